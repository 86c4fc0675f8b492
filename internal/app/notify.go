package app

import (
	"log"

	"elder/api/internal/config"
	"elder/api/internal/email"
	"elder/api/internal/store"
)

// Notifier emails an operator when a sync conflict needs manual review.
type Notifier struct {
	cfg   config.Config
	email *email.Service
}

func NewNotifier(cfg config.Config, emailSvc *email.Service) *Notifier {
	return &Notifier{cfg: cfg, email: emailSvc}
}

func (n *Notifier) ConflictOpened(conn store.Connection, c store.Conflict) {
	if n.email == nil || !n.email.IsConfigured() || n.cfg.NotifyEmail == "" {
		return
	}
	go func() {
		if err := n.email.SendConflictNotice(n.cfg.NotifyEmail, conn, c, n.cfg.ExternalBaseURL); err != nil {
			log.Printf("notify: conflict mail for %s: %v", c.ID, err)
		}
	}()
}
