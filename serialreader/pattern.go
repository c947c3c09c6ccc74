package serialreader

// Kind selects how a token matches a byte.
type Kind uint8

const (
	Literal Kind = iota // exactly Token.Byte
	Digit               // 0-9
	Number              // 0-9 + - .
	ASCII               // printable 32..126
	Any                 // any non-zero byte
)

// Target names the scratch buffer a matched byte is appended to.
type Target uint8

const (
	Discard Target = iota
	Value
	Variable
	Units
)

// Token is one position of a response pattern.
type Token struct {
	Kind Kind
	Byte byte
	Into Target
	// Stay keeps the cursor on this token while bytes keep matching.
	Stay bool
	// Until ends a Stay run at this byte even though its kind matches, so a
	// printable run can be followed by a printable literal.
	Until byte
	// Commit hands the scratch buffers to the handler once the token is
	// left, then clears them.
	Commit bool
}

// Lit matches one exact byte.
func Lit(b byte) Token { return Token{Kind: Literal, Byte: b} }

// LitCommit matches one exact byte and commits the scratch buffers.
func LitCommit(b byte) Token { return Token{Kind: Literal, Byte: b, Commit: true} }

// Lits expands s into one literal token per byte.
func Lits(s string) []Token {
	out := make([]Token, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = Lit(s[i])
	}
	return out
}

// Run matches one or more bytes of kind into the target.
func Run(k Kind, into Target) Token { return Token{Kind: k, Into: into, Stay: true} }

// One matches a single byte of kind into the target.
func One(k Kind, into Target) Token { return Token{Kind: k, Into: into} }

// Pattern concatenates token groups.
func Pattern(groups ...[]Token) []Token {
	var out []Token
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// Matches reports whether b satisfies kind (literals compare against lit).
func Matches(b byte, k Kind, lit byte) bool {
	switch k {
	case Literal:
		return b == lit
	case Digit:
		return b >= '0' && b <= '9'
	case Number:
		return (b >= '0' && b <= '9') || b == '+' || b == '-' || b == '.'
	case ASCII:
		return b >= ' ' && b <= '~'
	case Any:
		return b > 0
	}
	return false
}

func (t Token) matches(b byte) bool {
	if t.Stay && t.Until != 0 && b == t.Until {
		return false
	}
	return Matches(b, t.Kind, t.Byte)
}
