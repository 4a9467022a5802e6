package invocation

import (
	"strings"
	"sync"
	"time"
)

// Stage names one step of an invocation's life.
type Stage string

const (
	StagePrepare        Stage = "prepare"
	StageConsumerEncode Stage = "consumer-encode"
	StageConsumerSend   Stage = "consumer-send"
	StageWait           Stage = "wait"
	StageConsumerDecode Stage = "consumer-decode"
	StageProviderDecode Stage = "provider-decode"
	StageExecute        Stage = "execute"
	StageProviderEncode Stage = "provider-encode"
	StageProviderSend   Stage = "provider-send"
	StageTotal          Stage = "total"
)

type span struct {
	begin time.Time
	end   time.Time
}

// StageTrace records when each stage began and ended. A nil trace ignores all calls.
type StageTrace struct {
	mu    sync.Mutex
	spans map[Stage]*span
	order []Stage
}

func NewStageTrace() *StageTrace {
	t := &StageTrace{spans: make(map[Stage]*span, 8)}
	t.Begin(StageTotal)
	return t
}

// Begin marks the start of s. A repeated Begin restarts the stage.
func (t *StageTrace) Begin(s Stage) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.spans[s]
	if !ok {
		sp = &span{}
		t.spans[s] = sp
		t.order = append(t.order, s)
	}
	sp.begin = time.Now()
	sp.end = time.Time{}
}

// End marks the end of s. Ending a stage that never began is ignored.
func (t *StageTrace) End(s Stage) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if sp, ok := t.spans[s]; ok && sp.end.IsZero() {
		sp.end = time.Now()
	}
}

// Duration returns how long s took; a running stage reports the time so far.
func (t *StageTrace) Duration(s Stage) time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.spans[s]
	if !ok {
		return 0
	}
	if sp.end.IsZero() {
		return time.Since(sp.begin)
	}
	return sp.end.Sub(sp.begin)
}

// String renders "stage=duration" pairs in the order stages began.
func (t *StageTrace) String() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	order := append([]Stage(nil), t.order...)
	t.mu.Unlock()

	var sb strings.Builder
	for i, s := range order {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(string(s))
		sb.WriteByte('=')
		sb.WriteString(t.Duration(s).String())
	}
	return sb.String()
}
