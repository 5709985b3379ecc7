package forecast

// AlertLevel grades how much attention a projected label deserves.
type AlertLevel string

const (
	AlertPositive AlertLevel = "positive"
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

var alertLevels = map[string]AlertLevel{
	"happy":    AlertPositive,
	"surprise": AlertInfo,
	"neutral":  AlertInfo,
	"sad":      AlertWarning,
	"fear":     AlertWarning,
	"angry":    AlertCritical,
}

// AlertFor returns the alert level for label; unknown labels are informational.
func AlertFor(label string) AlertLevel {
	if lvl, ok := alertLevels[label]; ok {
		return lvl
	}
	return AlertInfo
}
