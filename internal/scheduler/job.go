package scheduler

import (
	"fmt"

	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// Redis key layout. Every tenant+key pair owns one FIFO list; the set and
// pub/sub channel let workers discover queues created after they started.
const (
	queuePrefix     = "voiceci:queue:"
	activeQueuesKey = "voiceci:queues"
	newQueueChannel = "voiceci:queues:new"
)

// Job is one queued run dispatch. The adapter config rides the payload
// because adapter configs live only as long as the session that created the
// run; everything else the worker needs is on the persisted run row.
type Job struct {
	RunID  string `json:"run_id"`
	Tenant string `json:"tenant"`
	KeyID  string `json:"key_id"`

	Adapter types.AdapterConfig `json:"adapter"`
}

// Validate checks the fields the worker cannot proceed without.
func (j Job) Validate() error {
	if j.RunID == "" {
		return fmt.Errorf("scheduler: job missing run_id")
	}
	if j.Tenant == "" || j.KeyID == "" {
		return fmt.Errorf("scheduler: job for run %s missing tenant or key id", j.RunID)
	}
	return nil
}

// QueueName returns the Redis list this job belongs on.
func (j Job) QueueName() string { return QueueName(j.Tenant, j.KeyID) }

// QueueName derives the FIFO list name for a tenant+key pair.
func QueueName(tenant, keyID string) string {
	return queuePrefix + tenant + ":" + keyID
}
