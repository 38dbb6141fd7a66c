package strategy

import "time"

// Report describes one completed compression pass.
type Report struct {
	SessionID      string        `json:"session_id,omitempty"`
	StrategyUsed   Kind          `json:"strategy_used"`
	BeforeMessages int           `json:"before_messages"`
	AfterMessages  int           `json:"after_messages"`
	BeforeTokens   int           `json:"before_tokens"`
	AfterTokens    int           `json:"after_tokens"`
	Duration       time.Duration `json:"duration_ns"`
}
