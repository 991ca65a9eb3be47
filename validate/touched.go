package validate

// Field names a validated form input.
type Field string

const (
	FieldFullName Field = "fullName"
	FieldEmail    Field = "email"
	FieldPhone    Field = "phone"
	FieldCode     Field = "code"
)

// Touched records which fields the user has interacted with. A field's
// rejection reason is only displayed once the field is touched, either by a
// blur or by a submit attempt forcing it.
//
// The zero value is ready to use.
type Touched struct {
	fields map[Field]bool
}

func (t *Touched) Touch(f Field) {
	if t.fields == nil {
		t.fields = make(map[Field]bool, 4)
	}
	t.fields[f] = true
}

// TouchAll marks every given field, as a submit attempt does.
func (t *Touched) TouchAll(fields ...Field) {
	for _, f := range fields {
		t.Touch(f)
	}
}

func (t *Touched) Clear(fields ...Field) {
	for _, f := range fields {
		delete(t.fields, f)
	}
}

func (t *Touched) Reset() {
	t.fields = nil
}

func (t *Touched) Is(f Field) bool {
	return t.fields[f]
}

// Display returns msg when f is touched and the empty string otherwise.
func (t *Touched) Display(f Field, msg string) string {
	if !t.Is(f) {
		return ""
	}
	return msg
}
