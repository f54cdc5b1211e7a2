package metrics

import "time"

// The methods below let *Collectors satisfy document.MetricsSink and
// client.MetricsSink directly, so server wiring passes the same
// *Collectors value into every component without an adapter type.

func (c *Collectors) IncDocumentsOpened() { c.DocumentsOpenedTotal.Inc() }

func (c *Collectors) IncMessage(kind string) { c.MessagesTotal.WithLabelValues(kind).Inc() }

func (c *Collectors) ObserveMessageDuration(kind string, d time.Duration) {
	c.MessageDurationSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

func (c *Collectors) IncStorageOp(op, result string) {
	c.StorageOperationsTotal.WithLabelValues(op, result).Inc()
}

func (c *Collectors) ObserveStorageOpDuration(op string, d time.Duration) {
	c.StorageOperationDurationSeconds.WithLabelValues(op).Observe(d.Seconds())
}

func (c *Collectors) IncError(kind string) { c.ErrorsTotal.WithLabelValues(kind).Inc() }

func (c *Collectors) SetSessionsActive(n float64) { c.SessionsActive.Set(n) }

func (c *Collectors) SetDocumentSize(id string, bytes float64) {
	c.DocumentSizeBytes.WithLabelValues(id).Set(bytes)
}

func (c *Collectors) IncClientsActive() { c.ClientsActive.Inc() }

func (c *Collectors) DecClientsActive() { c.ClientsActive.Dec() }

func (c *Collectors) IncRateLimitExceeded(trackBy string) {
	c.RateLimitExceededTotal.WithLabelValues(trackBy).Inc()
}
