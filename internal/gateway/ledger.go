package gateway

import "sync"

// chargeLedger remembers which simulated transactions are still charged, so
// QueryStatus can answer authoritatively after a Cancel.
type chargeLedger struct {
	mu      sync.Mutex
	charges map[string]struct{}
}

func (l *chargeLedger) set(pgTxID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.charges == nil {
		l.charges = make(map[string]struct{})
	}
	l.charges[pgTxID] = struct{}{}
}

func (l *chargeLedger) clear(pgTxID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.charges, pgTxID)
}

func (l *chargeLedger) has(pgTxID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.charges[pgTxID]
	return ok
}
