package messenger

import "fmt"

// Topic builders for the hierarchical pub/sub namespace. Keeping the
// format strings in one place so subscribers and publishers cannot
// drift apart.

func TopicClientNew() string    { return "client:new" }
func TopicClientUpdate() string { return "client:update" }
func TopicClientDelete() string { return "client:delete" }
func TopicClientRekt() string   { return "client:rekt" }

func TopicBalanceNew(clientID int64) string {
	return fmt.Sprintf("client:%d:balance:new", clientID)
}

func TopicBalanceLive(clientID int64) string {
	return fmt.Sprintf("client:%d:balance:live", clientID)
}

func TopicTradeNew(clientID int64) string {
	return fmt.Sprintf("client:%d:trade:new", clientID)
}

func TopicTradeUpdate(clientID int64) string {
	return fmt.Sprintf("client:%d:trade:update", clientID)
}

func TopicTradeFinished(clientID int64) string {
	return fmt.Sprintf("client:%d:trade:finished", clientID)
}

func TopicExecutionNew(clientID int64) string {
	return fmt.Sprintf("client:%d:execution:new", clientID)
}

func TopicTicker(exchange, symbol string) string {
	return fmt.Sprintf("ticker:%s:%s", exchange, symbol)
}
