package discovery

// join fires done once after a fixed number of arrivals. It is only touched
// from the control loop.
type join struct {
	remaining int
	fired     bool
	done      func()
}

func newJoin(participants int, done func()) *join {
	return &join{remaining: participants, done: done}
}

func (j *join) arrive() {
	if j.fired {
		return
	}
	j.remaining--
	if j.remaining <= 0 {
		j.fired = true
		j.done()
	}
}
