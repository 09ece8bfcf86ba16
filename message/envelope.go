package message

import (
	"encoding/json"
	"fmt"
)

// envelope is the wire form: a kind tag plus the handler-specific payload.
type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// registry maps kind tags to payload constructors. Built once at package
// init; the message set is a closed sum.
var registry = map[string]func() Message{
	KindStartExecution:         func() Message { return &StartExecution{} },
	KindCompleteExecution:      func() Message { return &CompleteExecution{} },
	KindCancelExecution:        func() Message { return &CancelExecution{} },
	KindResumeExecution:        func() Message { return &ResumeExecution{} },
	KindRescheduleExecution:    func() Message { return &RescheduleExecution{} },
	KindStartWaitingExecutions: func() Message { return &StartWaitingExecutions{} },

	KindStartStage:          func() Message { return &StartStage{} },
	KindCompleteStage:       func() Message { return &CompleteStage{} },
	KindSkipStage:           func() Message { return &SkipStage{} },
	KindAbortStage:          func() Message { return &AbortStage{} },
	KindCancelStage:         func() Message { return &CancelStage{} },
	KindRestartStage:        func() Message { return &RestartStage{} },
	KindPauseStage:          func() Message { return &PauseStage{} },
	KindResumeStage:         func() Message { return &ResumeStage{} },
	KindContinueParentStage: func() Message { return &ContinueParentStage{} },

	KindStartTask:    func() Message { return &StartTask{} },
	KindRunTask:      func() Message { return &RunTask{} },
	KindCompleteTask: func() Message { return &CompleteTask{} },
	KindPauseTask:    func() Message { return &PauseTask{} },
	KindResumeTask:   func() Message { return &ResumeTask{} },

	KindInvalidExecution: func() Message { return &InvalidExecution{} },
	KindInvalidStage:     func() Message { return &InvalidStage{} },
	KindInvalidTask:      func() Message { return &InvalidTask{} },
}

// Marshal encodes a message into its wire envelope.
func Marshal(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", m.Kind(), err)
	}
	return json.Marshal(envelope{Kind: m.Kind(), Payload: payload})
}

// Unmarshal decodes a wire envelope back into its typed message.
func Unmarshal(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	ctor, ok := registry[env.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown message kind %q", env.Kind)
	}
	m := ctor()
	if err := json.Unmarshal(env.Payload, m); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", env.Kind, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", env.Kind, err)
	}
	return m, nil
}
