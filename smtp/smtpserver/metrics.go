package smtpserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oryx_sessions_total",
		Help: "Client sessions accepted, by dialect.",
	}, []string{"dialect"})

	messagesWrapped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oryx_messages_wrapped_total",
		Help: "Unparsable messages stored inside a wrapper.",
	})

	messagesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oryx_messages_submitted_total",
		Help: "Messages accepted for onward (remote) delivery.",
	})

	injectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oryx_injections_total",
		Help: "Injection transactions, by result.",
	}, []string{"result"})
)
