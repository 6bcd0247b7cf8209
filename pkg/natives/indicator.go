package natives

import "log"

// LogIndicator is the default Indicator: it has no real GPIO to drive, so
// it logs the transitions. Scenario logs of the form "LED ON ... LED OFF"
// with no overlap are how the mutual-exclusion guarantee is observed.
type LogIndicator struct{}

func (LogIndicator) Set()   { log.Printf("LED ON") }
func (LogIndicator) Clear() { log.Printf("LED OFF") }
