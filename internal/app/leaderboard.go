package app

import (
	"sort"
	"time"

	"quiz-room-service/internal/domain"
)

// PointsFor scores one answer: the sum of the selected options' scores, or nothing if any
// selected option is incorrect.
func PointsFor(q domain.Question, ans domain.Answer) (float64, bool) {
	byID := make(map[string]domain.Option, len(q.Options))
	for _, o := range q.Options {
		byID[o.ID] = o
	}
	var points float64
	for _, id := range ans.OptionIDs {
		o, ok := byID[id]
		if !ok || !o.Correct {
			return 0, false
		}
		points += o.Score
	}
	if len(ans.OptionIDs) == 0 {
		return 0, false
	}
	return roundScore(points), true
}

// StatsFor counts uid's answers in the ledger.
func StatsFor(uid string, answers []domain.Answer) domain.UserStats {
	var st domain.UserStats
	for _, ans := range answers {
		if ans.UID != uid {
			continue
		}
		st.Count++
		st.TotalTime += ans.TimeSpent
	}
	if st.Count > 0 {
		st.AvgTime = st.TotalTime / time.Duration(st.Count)
	}
	return st
}

// ComputeLeaderboard ranks every non-host participant: points desc, then total answer time
// asc, then name. Answers to questions that no longer exist score nothing.
func ComputeLeaderboard(room domain.Room, participants []domain.Participant, questions []domain.Question, answers []domain.Answer, now time.Time) domain.Leaderboard {
	byQuestion := make(map[string]domain.Question, len(questions))
	for _, q := range questions {
		byQuestion[q.ID] = q
	}

	entries := make([]domain.LeaderboardEntry, 0, len(participants))
	index := make(map[string]int, len(participants))
	for _, p := range participants {
		if p.ID == "" || p.ID == room.CreatedBy || p.Status == domain.ParticipantPending {
			continue
		}
		if _, dup := index[p.ID]; dup {
			continue
		}
		index[p.ID] = len(entries)
		entries = append(entries, domain.LeaderboardEntry{
			UserID:      p.ID,
			DisplayName: p.Name,
			Avatar:      p.Avatar,
		})
	}

	for _, ans := range answers {
		i, ok := index[ans.UID]
		if !ok {
			continue
		}
		q, ok := byQuestion[ans.QuestionID]
		if !ok {
			continue
		}
		e := &entries[i]
		e.TotalTime += ans.TimeSpent
		if pts, correct := PointsFor(q, ans); correct {
			e.Points = roundScore(e.Points + pts)
			e.Correct++
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Points != entries[j].Points {
			return entries[i].Points > entries[j].Points
		}
		if entries[i].TotalTime != entries[j].TotalTime {
			return entries[i].TotalTime < entries[j].TotalTime
		}
		return entries[i].DisplayName < entries[j].DisplayName
	})

	return domain.Leaderboard{
		RoomID:    room.ID,
		Entries:   entries,
		UpdatedAt: now,
	}
}
