package alert

import "xray-guard/internal/model"

// Notifier interface for decision notification
type Notifier interface {
	Name() string
	SendAlert(decision model.Decision) error
}
