// Package circuitbreaker は外部依存（SMTPサーバーなど）への呼び出しを保護するサーキットブレーカーを提供する。
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen はブレーカーが開いていて呼び出しが拒否されたことを表す。
var ErrOpen = errors.New("サーキットブレーカーが開いています")

// State はブレーカーの状態。
type State int

const (
	// Closed は通常状態。呼び出しを許可する。
	Closed State = iota
	// Open は遮断状態。クールダウンが経過するまで呼び出しを拒否する。
	Open
	// HalfOpen は試行状態。限られた数の呼び出しのみ許可する。
	HalfOpen
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker はサーキットブレーカーパターンの実装。
// 連続失敗がthresholdに達すると開き、cooldown経過後に半開状態で試行を許可する。
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	threshold   int
	cooldown    time.Duration
	halfOpenMax int
	halfOpenCnt int
	openedAt    time.Time
	now         func() time.Time
}

// New は新しいブレーカーを生成する。threshold が0以下の場合は1とする。
func New(threshold int, cooldown time.Duration, halfOpenMax int) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	if halfOpenMax <= 0 {
		halfOpenMax = 1
	}
	return &Breaker{
		state:       Closed,
		threshold:   threshold,
		cooldown:    cooldown,
		halfOpenMax: halfOpenMax,
		now:         time.Now,
	}
}

// Allow は呼び出しを許可するかを判定する。
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = HalfOpen
		b.halfOpenCnt = 1
		return true
	case HalfOpen:
		if b.halfOpenCnt >= b.halfOpenMax {
			return false
		}
		b.halfOpenCnt++
		return true
	default:
		return true
	}
}

// RecordSuccess は成功を記録する。半開状態なら閉じる。
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == HalfOpen {
		b.state = Closed
	}
}

// RecordFailure は失敗を記録する。
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case Closed:
		if b.failures >= b.threshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.halfOpenCnt = 0
}

// Do はブレーカーが許可した場合のみfnを実行し、結果を記録する。
// 拒否された場合はErrOpenを返す。
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State は現在の状態を返す。
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
