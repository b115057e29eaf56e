// Package memory provides in-process implementations of the chatsync ports.
//
// They back single-process deployments (several sessions sharing one Hub
// and one RealtimeServer) and the test suites of the application layer.
package memory
