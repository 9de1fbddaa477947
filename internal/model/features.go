package model

import "strings"

// NumFeatures is the width of the tabular classifier's input row.
const NumFeatures = 8

// EncodeGender maps M to 1 and F to 0, ignoring case and surrounding space.
func EncodeGender(gender string) (float32, error) {
	switch strings.ToUpper(strings.TrimSpace(gender)) {
	case "M":
		return 1, nil
	case "F":
		return 0, nil
	default:
		return 0, ErrInvalidGender
	}
}

// Features returns the record as a single input row, in training column order:
// gender, age, educ, ses, mmse, etiv, nwbv, asf.
func (r ClinicalRecord) Features() ([]float32, error) {
	gender, err := EncodeGender(r.Gender)
	if err != nil {
		return nil, err
	}

	return []float32{
		gender,
		float32(r.Age),
		float32(r.Educ),
		float32(r.SES),
		float32(r.MMSE),
		float32(r.ETIV),
		float32(r.NWBV),
		float32(r.ASF),
	}, nil
}
