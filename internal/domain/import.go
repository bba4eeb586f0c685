package domain

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// QuestionRow is one bulk-imported question. Pointer fields distinguish "absent" from zero.
type QuestionRow struct {
	Key      string `json:"key"`
	Text     string `json:"text" validate:"required"`
	Multiple *bool  `json:"multiple"`
	Duration *int   `json:"duration" validate:"omitempty,gt=0"`
}

// OptionRow is one bulk-imported option targeting a question by id.
type OptionRow struct {
	QuestionID string   `json:"questionId" validate:"required"`
	Text       string   `json:"text" validate:"required"`
	Correct    *bool    `json:"correct"`
	Score      *float64 `json:"score" validate:"omitempty,gte=0"`
}

// QuestionSet is a stored, named collection of import rows. Option rows reference
// question rows by Key.
type QuestionSet struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Questions []QuestionRow `json:"questions"`
	Options   []OptionRow   `json:"options"`
}

// ImportResult reports what a bulk import did.
type ImportResult struct {
	Created  []string `json:"created,omitempty"`
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
}

// RowError describes one rejected raw row.
type RowError struct {
	Row int
	Err error
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

var rowValidator = validator.New()

func decodeRow(input map[string]any, result any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           result,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("new decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := rowValidator.Struct(result); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}

// DecodeQuestionRows converts loosely typed records (spreadsheet cells, JSON objects) into
// validated question rows. Rows that fail are reported and left out.
func DecodeQuestionRows(raw []map[string]any) ([]QuestionRow, []RowError) {
	rows := make([]QuestionRow, 0, len(raw))
	var rejected []RowError
	for i, r := range raw {
		var row QuestionRow
		if err := decodeRow(r, &row); err != nil {
			rejected = append(rejected, RowError{Row: i, Err: err})
			continue
		}
		rows = append(rows, row)
	}
	return rows, rejected
}

// DecodeOptionRows is the option-row counterpart of DecodeQuestionRows.
func DecodeOptionRows(raw []map[string]any) ([]OptionRow, []RowError) {
	rows := make([]OptionRow, 0, len(raw))
	var rejected []RowError
	for i, r := range raw {
		var row OptionRow
		if err := decodeRow(r, &row); err != nil {
			rejected = append(rejected, RowError{Row: i, Err: err})
			continue
		}
		rows = append(rows, row)
	}
	return rows, rejected
}
