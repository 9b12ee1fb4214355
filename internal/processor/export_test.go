package processor

// MissingSessionEntries reports how many session-miss counters are currently
// tracked. Test-only.
func (p *Processor) MissingSessionEntries() int {
	return len(p.notFound)
}
