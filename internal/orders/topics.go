package orders

// Single topic for the whole lifecycle; the event type lives in the
// envelope. Consumers that only care about a subset filter by type.
const TopicOrderEvents = "order.events"

// Partition key = order_no, so all events for one order keep their
// relative order on the stream.
func PartitionKey(orderNo string) []byte { return []byte(orderNo) }
