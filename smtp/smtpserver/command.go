package smtpserver

// command is one entry in the session's command FIFO.
//
// A command may begin its backend work as soon as its octets are
// parsed, but it may not finalize — emit its response, mutate the
// session envelope — until every earlier command has finalized. The
// chain is a linked list of done channels: each command holds its
// predecessor's and closes its own on finish.
type command struct {
	verb string
	prev <-chan struct{}
	done chan struct{}
}

// enqueue appends a command to the FIFO. Must be called from the
// session goroutine, in arrival order.
func (s *session) enqueue(verb string) *command {
	cmd := &command{
		verb: verb,
		prev: s.lastDone,
		done: make(chan struct{}),
	}
	s.lastDone = cmd.done
	return cmd
}

// wait blocks until the predecessor has finalized. After wait
// returns, the command may touch the session envelope.
func (cmd *command) wait() {
	<-cmd.prev
}

// finish waits for the predecessor, writes the buffered response and
// marks the command finalized.
func (cmd *command) finish(s *session, res *respBuf) {
	cmd.wait()
	if !res.empty() {
		text := res.String()
		s.write(text)
		s.log(cmd.verb, logs{"response": text})
	} else {
		s.log(cmd.verb, nil)
	}
	close(cmd.done)
}
