package orchestrator

import "fmt"

// State 查询生命周期状态
type State string

const (
	StateReceived           State = "received"
	StateRetrieving         State = "retrieving"
	StateRetrievalFailed    State = "retrieval_failed"
	StateAggregated         State = "aggregated"
	StateGuardrailEvaluated State = "guardrail_evaluated"
	StateRejected           State = "rejected"
	StateSynthesizing       State = "synthesizing"
	StateSynthesisFailed    State = "synthesis_failed"
	StateCompleted          State = "completed"
)

// validTransitions 定义合法的状态转换，终态没有出边
var validTransitions = map[State][]State{
	StateReceived:           {StateRetrieving},
	StateRetrieving:         {StateRetrievalFailed, StateAggregated},
	StateAggregated:         {StateGuardrailEvaluated},
	StateGuardrailEvaluated: {StateRejected, StateSynthesizing},
	StateSynthesizing:       {StateSynthesisFailed, StateCompleted},
}

// CanTransition 检查状态转换是否合法
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal 是否为终态
func (s State) Terminal() bool {
	switch s {
	case StateRetrievalFailed, StateRejected, StateSynthesisFailed, StateCompleted:
		return true
	}
	return false
}

// ErrInvalidTransition 非法状态转换错误
type ErrInvalidTransition struct {
	From State
	To   State
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}
