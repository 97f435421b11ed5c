package sema

// TypeTag enumerates the types the engine needs to tell apart. The engine
// itself only cares about three questions: are two types equal, is a value a
// function, and does the type have a runtime representation. Everything else
// is the analyzer's business.
type TypeTag uint8

const (
	TypeVoid TypeTag = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeString
	TypeFn
)

func (t TypeTag) String() string {
	switch t {
	case TypeVoid:
		return "void"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeFn:
		return "fn"
	}
	return "invalid"
}

// Type is a declaration's analyzed type.
type Type struct {
	Tag TypeTag
}

func (t Type) Eq(o Type) bool { return t.Tag == o.Tag }

func (t Type) IsFn() bool { return t.Tag == TypeFn }

// HasRuntimeBits reports whether values of this type occupy space in the
// output artifact. Compile-time constants do not; functions do.
func (t Type) HasRuntimeBits() bool { return t.Tag == TypeFn }

func (t Type) String() string { return t.Tag.String() }

// FnState tracks analysis of a function body, which is deferred until the
// declaration is about to be emitted.
type FnState uint8

const (
	FnQueued FnState = iota
	FnInProgress
	FnSuccess
	FnFailure
)

// Fn is the payload of a function-typed value. State is the only field
// mutated after the value is swapped into a declaration's slot.
type Fn struct {
	State FnState
	Body  string
}

// Value is the typed result of analyzing one declaration. A Value is built
// completely before it is swapped into the declaration's slot and, apart
// from function body state, never mutated afterwards. Re-analysis constructs
// a fresh Value and replaces the old one wholesale, so references held by
// dependants are valid all-or-nothing per analysis generation.
type Value struct {
	Type Type

	// Data holds the constant payload: int64, float64, bool or string for
	// constants, *Fn for functions, nil for void.
	Data any
}

// Fn returns the function payload, or nil if the value is not a function.
func (v *Value) Fn() *Fn {
	if v == nil {
		return nil
	}
	f, _ := v.Data.(*Fn)
	return f
}
