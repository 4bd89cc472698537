package process

// Children is the number of spawned processes not reaped yet.
func (e *Exec) Children() int {
	e.mx.Lock()
	defer e.mx.Unlock()
	return len(e.children)
}
