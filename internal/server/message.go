package server

// messageSeparator sits between the sender's display name and the line.
const messageSeparator = " : "

// serverFullLine is written to a connection refused by the admission policy.
const serverFullLine = "server full"

// FormatMessage builds the outbound line relayed for one inbound line.
func FormatMessage(sender, line string) string {
	return sender + messageSeparator + line
}
