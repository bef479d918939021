package redis

// Key prefixes shared by the services that write and read the same views.
const (
	TransactionViewPrefix = "transaction:view:"
	FeaturesViewPrefix    = "features:view:"
	VelocityWindowPrefix  = "features:velocity:"
	ProcessedEventPrefix  = "features:processed:"
)
