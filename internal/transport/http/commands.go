package http

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"quiz-room-service/internal/app"
	"quiz-room-service/internal/domain"
)

// command runs one text-frame request against the connection's replica.
type command func(ctx context.Context, h *WSHandler, c *app.Conn, payload json.RawMessage) (any, error)

type idPayload struct {
	ID string `json:"id"`
}

type fieldPayload struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type statusPayload struct {
	Status domain.RoomStatus `json:"status"`
}

type textPayload struct {
	Text string `json:"text"`
}

type questionPayload struct {
	ID    string               `json:"id"`
	Patch domain.QuestionPatch `json:"patch"`
}

type reorderPayload struct {
	IDs []string `json:"ids"`
}

type optionPayload struct {
	QuestionID string `json:"questionId"`
	Index      int    `json:"index"`
	Text       string `json:"text"`
	Correct    bool   `json:"correct"`
}

type bulkPayload struct {
	Rows         []map[string]any  `json:"rows"`
	ByQuestionID map[string]string `json:"byQuestionId"`
}

type setPayload struct {
	SetID string `json:"setId"`
}

type submitPayload struct {
	QuestionID string   `json:"questionId"`
	OptionIDs  []string `json:"optionIds"`
}

type expressionPayload struct {
	Category string `json:"category"`
}

type questionIDPayload struct {
	QuestionID string `json:"questionId"`
}

type uidPayload struct {
	UID string `json:"uid"`
}

type createdPayload struct {
	ID string `json:"id"`
}

type importPayload struct {
	domain.ImportResult
	Rejected []string `json:"rejected,omitempty"`
}

var commands = map[string]command{
	"state": func(_ context.Context, _ *WSHandler, c *app.Conn, _ json.RawMessage) (any, error) {
		return c.Replica.Snapshot(), nil
	},
	"setField": func(_ context.Context, _ *WSHandler, c *app.Conn, raw json.RawMessage) (any, error) {
		var p fieldPayload
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return nil, c.Replica.Store.Set(p.Key, p.Value)
	},

	"join": func(_ context.Context, _ *WSHandler, c *app.Conn, _ json.RawMessage) (any, error) {
		self := c.Self()
		return nil, c.Replica.Participants.Join(domain.Participant{ID: self.ID, Name: self.Name, Avatar: self.Avatar})
	},
	"approve": withID(func(r *app.Room, id string) error { return r.Participants.Approve(id) }),
	"reject":  withID(func(r *app.Room, id string) error { return r.Participants.Reject(id) }),
	"remove":  withID(func(r *app.Room, id string) error { return r.Participants.Remove(id) }),
	"autoApproveAll": func(_ context.Context, _ *WSHandler, c *app.Conn, _ json.RawMessage) (any, error) {
		return nil, c.Replica.Participants.AutoApproveAll()
	},

	"addQuestion": func(_ context.Context, _ *WSHandler, c *app.Conn, raw json.RawMessage) (any, error) {
		var p textPayload
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		id, err := c.Replica.Questions.Add(p.Text)
		if err != nil {
			return nil, err
		}
		return createdPayload{ID: id}, nil
	},
	"removeQuestion": withID(func(r *app.Room, id string) error { return r.Questions.Remove(id) }),
	"updateQuestion": func(_ context.Context, _ *WSHandler, c *app.Conn, raw json.RawMessage) (any, error) {
		var p questionPayload
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return nil, c.Replica.Questions.Update(p.ID, p.Patch)
	},
	"reorderQuestions": func(_ context.Context, _ *WSHandler, c *app.Conn, raw json.RawMessage) (any, error) {
		var p reorderPayload
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return nil, c.Replica.Questions.Reorder(p.IDs)
	},
	"addOption": withOption(func(r *app.Room, p optionPayload) error { return r.Questions.AddOption(p.QuestionID) }),
	"removeOption": withOption(func(r *app.Room, p optionPayload) error {
		return r.Questions.RemoveOption(p.QuestionID, p.Index)
	}),
	"updateOptionText": withOption(func(r *app.Room, p optionPayload) error {
		return r.Questions.UpdateOptionText(p.QuestionID, p.Index, p.Text)
	}),
	"setCorrect": withOption(func(r *app.Room, p optionPayload) error {
		return r.Questions.SetCorrectAndScore(p.QuestionID, p.Index, p.Correct)
	}),
	"bulkImportQuestions": func(_ context.Context, _ *WSHandler, c *app.Conn, raw json.RawMessage) (any, error) {
		var p bulkPayload
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		rows, rejected := domain.DecodeQuestionRows(p.Rows)
		res, err := c.Replica.Questions.BulkImportQuestions(rows)
		return importResult(res, rejected), err
	},
	"bulkImportOptions": func(_ context.Context, _ *WSHandler, c *app.Conn, raw json.RawMessage) (any, error) {
		var p bulkPayload
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		rows, rejected := domain.DecodeOptionRows(p.Rows)
		res, err := c.Replica.Questions.BulkImportOptions(rows, p.ByQuestionID)
		return importResult(res, rejected), err
	},
	"importQuestionSet": func(ctx context.Context, h *WSHandler, c *app.Conn, raw json.RawMessage) (any, error) {
		var p setPayload
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return h.service.ImportQuestionSet(ctx, c, p.SetID)
	},

	"setStatus": func(_ context.Context, _ *WSHandler, c *app.Conn, raw json.RawMessage) (any, error) {
		var p statusPayload
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return nil, c.Replica.Session.SetStatus(p.Status)
	},
	"prepare":      session(func(s *app.Session) error { return s.Prepare() }),
	"start":        session(func(s *app.Session) error { return s.Start() }),
	"pause":        session(func(s *app.Session) error { return s.Pause() }),
	"resume":       session(func(s *app.Session) error { return s.Resume() }),
	"end":          session(func(s *app.Session) error { return s.End() }),
	"restart":      session(func(s *app.Session) error { return s.Restart() }),
	"nextQuestion": session(func(s *app.Session) error { return s.NextQuestion() }),
	"markReady":    session(func(s *app.Session) error { return s.MarkReady() }),
	"readiness": func(_ context.Context, _ *WSHandler, c *app.Conn, _ json.RawMessage) (any, error) {
		return c.Replica.Session.Readiness(), nil
	},

	"submitAnswer": func(_ context.Context, _ *WSHandler, c *app.Conn, raw json.RawMessage) (any, error) {
		var p submitPayload
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return c.Replica.Answers.Submit(p.QuestionID, p.OptionIDs)
	},
	"stats": func(_ context.Context, _ *WSHandler, c *app.Conn, raw json.RawMessage) (any, error) {
		var p uidPayload
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		if p.UID == "" {
			p.UID = c.Self().ID
		}
		return c.Replica.Answers.StatsForUser(p.UID), nil
	},
	"leaderboard": func(_ context.Context, _ *WSHandler, c *app.Conn, _ json.RawMessage) (any, error) {
		return c.Replica.Leaderboard(), nil
	},

	"expression": func(_ context.Context, _ *WSHandler, c *app.Conn, raw json.RawMessage) (any, error) {
		var p expressionPayload
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return nil, c.Replica.Expressions.Record(p.Category)
	},
	"expressionSummary": func(_ context.Context, _ *WSHandler, c *app.Conn, raw json.RawMessage) (any, error) {
		var p questionIDPayload
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return c.Replica.Expressions.Summary(p.QuestionID), nil
	},
}

func withID(fn func(r *app.Room, id string) error) command {
	return func(_ context.Context, _ *WSHandler, c *app.Conn, raw json.RawMessage) (any, error) {
		var p idPayload
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return nil, fn(c.Replica, p.ID)
	}
}

func withOption(fn func(r *app.Room, p optionPayload) error) command {
	return func(_ context.Context, _ *WSHandler, c *app.Conn, raw json.RawMessage) (any, error) {
		var p optionPayload
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return nil, fn(c.Replica, p)
	}
}

func session(fn func(s *app.Session) error) command {
	return func(_ context.Context, _ *WSHandler, c *app.Conn, _ json.RawMessage) (any, error) {
		return nil, fn(c.Replica.Session)
	}
}

func importResult(res domain.ImportResult, rejected []domain.RowError) importPayload {
	out := importPayload{ImportResult: res}
	out.Skipped += len(rejected)
	for _, r := range rejected {
		out.Rejected = append(out.Rejected, r.Error())
	}
	return out
}

// decode accepts an absent payload as the zero value.
func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
