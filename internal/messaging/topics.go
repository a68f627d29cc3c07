package messaging

// Topics the pool publishes to.
const (
	TopicJobs         = "mining.jobs"          // every broadcast job
	TopicShares       = "mining.shares"        // every processed share, valid or not
	TopicBlockResults = "mining.block_results" // found blocks and closed relay rounds
)
