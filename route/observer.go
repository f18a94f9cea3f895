package route

// Observer is notified of relay activity, typically to record metrics.
type Observer interface {
	DestinationCopied(route string, destination string, messages int)
	DestinationFailed(route string, destination string)
	BatchRelayed(route string, deleted bool)
	RouteStateChanged(route string, running bool)
}

type noopObserver struct{}

func (noopObserver) DestinationCopied(string, string, int) {}
func (noopObserver) DestinationFailed(string, string)      {}
func (noopObserver) BatchRelayed(string, bool)             {}
func (noopObserver) RouteStateChanged(string, bool)        {}
