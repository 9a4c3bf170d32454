package flowauth

import "time"

// guessKind maps a decoded form value onto its field tag for error
// reporting.
func guessKind(v any) FieldKind {
	switch v.(type) {
	case string:
		return FieldString
	case bool:
		return FieldBool
	case float64, int, int64:
		return FieldInt
	case time.Time:
		return FieldTime
	default:
		return FieldString
	}
}

// formString extracts a required string field from a flat form map.
func formString(form map[string]any, name string) (string, error) {
	v, ok := form[name]
	if !ok {
		return "", &SubmissionError{Kind: SubmissionMissingField, Field: name}
	}
	s, ok := v.(string)
	if !ok {
		return "", &SubmissionError{
			Kind: SubmissionInvalidType, Field: name,
			Expected: FieldString, Got: guessKind(v),
		}
	}
	return s, nil
}

// formBool extracts a required bool field. String forms of true/false are
// accepted because HTML form posts carry everything as strings.
func formBool(form map[string]any, name string) (bool, error) {
	v, ok := form[name]
	if !ok {
		return false, &SubmissionError{Kind: SubmissionMissingField, Field: name}
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch b {
		case "true", "on", "1":
			return true, nil
		case "false", "off", "0", "":
			return false, nil
		}
	}
	return false, &SubmissionError{
		Kind: SubmissionInvalidType, Field: name,
		Expected: FieldBool, Got: guessKind(v),
	}
}

// formInt extracts a required integer field. JSON numbers arrive as
// float64; integral values are accepted, fractions are not.
func formInt(form map[string]any, name string) (int64, error) {
	v, ok := form[name]
	if !ok {
		return 0, &SubmissionError{Kind: SubmissionMissingField, Field: name}
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		if n == float64(int64(n)) {
			return int64(n), nil
		}
	}
	return 0, &SubmissionError{
		Kind: SubmissionInvalidType, Field: name,
		Expected: FieldInt, Got: guessKind(v),
	}
}
