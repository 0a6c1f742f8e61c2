package sim

// Counter aggregates outcomes observed by the smoke tool.
type Counter struct {
	Submitted int
	Completed int
	Denied    int
	Failed    int
	InFlight  int
}

func (c *Counter) Add(state string) {
	c.Submitted++
	switch state {
	case "completed":
		c.Completed++
	case "denied":
		c.Denied++
	case "failed":
		c.Failed++
	default:
		c.InFlight++
	}
}
