// Package notifications delivers replication events via ntfy.
//
// The ntfy topic comes from the [notifications] section of config.toml; when
// it is empty the service degrades to a no-op. Per-event toggles suppress
// task completion or failure messages without disabling the transport.
package notifications
