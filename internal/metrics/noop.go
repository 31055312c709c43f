package metrics

// NoopCollector is a no-op implementation of the Collector interface.
type NoopCollector struct{}

func (n *NoopCollector) ConnectionOpened()                           {}
func (n *NoopCollector) ConnectionClosed()                           {}
func (n *NoopCollector) TLSConnectionEstablished()                   {}
func (n *NoopCollector) AuthAttempt(host string, success bool)       {}
func (n *NoopCollector) CommandSent(command string)                  {}
func (n *NoopCollector) MessageFetched(host string, sizeBytes int64) {}
func (n *NoopCollector) MessageDeleted(host string)                  {}
func (n *NoopCollector) PollCompleted(host string, result string)    {}
