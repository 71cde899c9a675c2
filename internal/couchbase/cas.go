package couchbase

// CasSetter receives the CAS a document was read or written with.
type CasSetter interface {
	SetCas(cas uint64)
}

// CasGetter makes Replace conditional on the document being unchanged since
// it was read.
type CasGetter interface {
	GetCas() uint64
}

// Cas is embedded by documents updated with optimistic locking.
type Cas struct {
	value uint64
}

func (c *Cas) GetCas() uint64 { return c.value }

func (c *Cas) SetCas(cas uint64) { c.value = cas }
