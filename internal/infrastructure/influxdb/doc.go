// Package influxdb mirrors numeric entity states into InfluxDB.
//
// It wraps the official influxdb-client-go v2 library: connection
// management, non-blocking batched writes, and health checks. The
// recorder feeds it every state change whose state string parses as a
// number, giving dashboards a time series per entity without touching
// the SQLite history.
//
// Writes are asynchronous; batch errors surface through the SetOnError
// callback rather than the write call.
package influxdb
