// Package rdkafka is a native backend on confluent-kafka-go (librdkafka).
//
// It needs cgo: without it the package compiles empty and the "rdkafka"
// backend is simply not registered.
package rdkafka
