package kudos

import "time"

// Edge assigns an author to the recipient they write to.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Key 返回用于去重的边标识。
func (e Edge) Key() string {
	return e.From + "->" + e.To
}

// Round 记录一轮的配对结果，创建后不可修改。
type Round struct {
	ID          string    `json:"id"`
	SessionCode string    `json:"sessionCode"`
	Index       int       `json:"index"`
	Mappings    []Edge    `json:"mappings,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"-"`
}

// Target looks up the recipient assigned to author in this round.
func (r Round) Target(author string) (string, bool) {
	for _, edge := range r.Mappings {
		if edge.From == author {
			return edge.To, true
		}
	}
	return "", false
}

// Public 返回可下发的轮次副本。匿名会话不公开配对，否则结合便签的 targetId
// 即可反推出作者。
func (r Round) Public(anonymous bool) Round {
	if anonymous {
		r.Mappings = nil
	}
	return r
}
