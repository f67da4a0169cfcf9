package token

type Type int

const (
	EOF Type = iota
	Ident
	Number
	FloatNumber
	Eq
	PlusEq
	MinusEq
	StarEq
	SlashEq
	RemEq
	AndEq
	OrEq
	XorEq
	ShlEq
	ShrEq
	Plus
	Minus
	Star
	Slash
	Rem
	And
	Or
	Xor
	Shl
	Shr
	EqEq
	Neq
	Lt
	Gt
	Gte
	Lte
	AndAnd
	OrOr
	Not
	Complement
)

// OpMap maps the textual spelling of an operator to its token type.
var OpMap = map[string]Type{
	"=":   Eq,
	"+=":  PlusEq,
	"-=":  MinusEq,
	"*=":  StarEq,
	"/=":  SlashEq,
	"%=":  RemEq,
	"&=":  AndEq,
	"|=":  OrEq,
	"^=":  XorEq,
	"<<=": ShlEq,
	">>=": ShrEq,
	"+":   Plus,
	"-":   Minus,
	"*":   Star,
	"/":   Slash,
	"%":   Rem,
	"&":   And,
	"|":   Or,
	"^":   Xor,
	"<<":  Shl,
	">>":  Shr,
	"==":  EqEq,
	"!=":  Neq,
	"<":   Lt,
	">":   Gt,
	">=":  Gte,
	"<=":  Lte,
	"&&":  AndAnd,
	"||":  OrOr,
	"!":   Not,
	"~":   Complement,
}

// Reverse mapping from Type to the operator string
var TypeStrings = make(map[Type]string)

func init() {
	for str, typ := range OpMap {
		TypeStrings[typ] = str
	}
}

func (t Type) String() string {
	if s, ok := TypeStrings[t]; ok {
		return s
	}
	switch t {
	case EOF:
		return "EOF"
	case Ident:
		return "identifier"
	case Number:
		return "number"
	case FloatNumber:
		return "float"
	}
	return "?"
}

// IsComparison reports whether t is one of the six relational operators.
func (t Type) IsComparison() bool { return t >= EqEq && t <= Lte }

// Negate returns the relational operator that is the logical complement of t.
func (t Type) Negate() Type {
	switch t {
	case EqEq:
		return Neq
	case Neq:
		return EqEq
	case Lt:
		return Gte
	case Gte:
		return Lt
	case Gt:
		return Lte
	case Lte:
		return Gt
	}
	return t
}

// BinaryOf strips the assignment from a compound assignment operator: `+=` becomes `+`.
func (t Type) BinaryOf() (Type, bool) {
	if t >= PlusEq && t <= ShrEq {
		return Plus + (t - PlusEq), true
	}
	return t, false
}

// Token locates a node in the source. Codegen only consumes its position fields.
type Token struct {
	Type      Type
	Value     string
	FileIndex int
	Line      int
	Column    int
	Len       int
}
