package core

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

// Command is the control channel message sum type. The host application
// sends commands with Send; replies, where a command has one, travel over
// a channel carried in the command itself.
type Command interface {
	isCommand()
}

// Invalidate clears one partition, or all partitions when Partition is
// empty.
type Invalidate struct {
	Partition string
}

// StatusQuery requests per-partition entry counts and approximate sizes.
type StatusQuery struct {
	Reply chan<- StatusReport
}

// Warm prefetches a URL set: either the fixed warm list configured for
// the named partition, or the explicitly listed URLs.
type Warm struct {
	Partition string
	URLs      []string
}

// PreloadCritical prefetches the configured critical URL list.
type PreloadCritical struct{}

// ForceActivate re-runs generation activation: old-generation cleanup
// plus a defensive trim of every partition.
type ForceActivate struct{}

func (Invalidate) isCommand()      {}
func (StatusQuery) isCommand()     {}
func (Warm) isCommand()            {}
func (PreloadCritical) isCommand() {}
func (ForceActivate) isCommand()   {}

// StatusReport maps partition names to their stats.
type StatusReport map[string]PartitionStats

// Send hands a command to the control dispatcher. All commands are
// idempotent and safe while requests are being served.
func (c *Cache) Send(cmd Command) {
	c.commands <- cmd
}

func (c *Cache) runControl() {
	for cmd := range c.commands {
		switch cmd := cmd.(type) {
		case Invalidate:
			c.Invalidate(cmd.Partition)
		case StatusQuery:
			cmd.Reply <- c.Status()
		case Warm:
			urls := cmd.URLs
			if cmd.Partition != "" {
				urls = c.warm[cmd.Partition]
			}
			c.WarmURLs(urls)
		case PreloadCritical:
			c.WarmURLs(c.critical)
		case ForceActivate:
			c.Activate()
		}
	}
}

// Invalidate clears the named partition, or every partition if name is
// empty.
func (c *Cache) Invalidate(name string) {
	partitions := c.registry.Partitions()
	for _, p := range partitions {
		if name != "" && p.Name != name {
			continue
		}
		if err := c.store.DeletePartition(p.Name); err != nil {
			log.Error().Err(err).Str("partition", p.Name).Msg("Could not invalidate partition")
		} else {
			log.Debug().Str("partition", p.Name).Msg("Partition invalidated")
		}
	}
}

// Status reports entry count and approximate byte size per partition.
func (c *Cache) Status() StatusReport {
	report := make(StatusReport)
	for _, p := range c.registry.Partitions() {
		stats, err := c.store.Stats(p.Name)
		if err != nil {
			log.Error().Err(err).Str("partition", p.Name).Msg("Could not get partition stats")
			continue
		}
		report[p.Name] = stats
	}
	return report
}

// WarmURLs prefetches the given URLs through the normal store path, so
// subsequent requests hit the cache.
func (c *Cache) WarmURLs(urls []string) {
	for _, u := range urls {
		req, err := http.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			log.Warn().Err(err).Str("url", u).Msg("Could not create warm request")
			continue
		}
		p := c.registry.Resolve(req)
		if p == nil {
			log.Debug().Str("url", u).Msg("No partition for warm URL, skipping")
			continue
		}
		key := requestKey(req, p.VaryHeaders)
		res, _, err := c.fetchAndStore(req, p, key)
		if err != nil {
			log.Debug().Err(err).Str("url", u).Msg("Could not warm URL")
			continue
		}
		res.Body.Close()
	}
}

// Activate makes this process's generation the current one: storage of
// all prior generations is deleted, then every partition is trimmed to
// its configured entry count in case limits changed between versions.
func (c *Cache) Activate() error {
	c.store.SetGeneration(c.generation)
	if err := c.store.DropGenerationsExcept(c.generation); err != nil {
		log.Error().Err(err).Str("generation", c.generation).Msg("Could not drop old generations")
		return err
	}
	for _, p := range c.registry.Partitions() {
		if err := c.store.Trim(p.Name, p.MaxEntries); err != nil {
			log.Error().Err(err).Str("partition", p.Name).Msg("Could not trim partition on activate")
		}
	}
	log.Info().Str("generation", c.generation).Msg("Generation activated")
	return nil
}
