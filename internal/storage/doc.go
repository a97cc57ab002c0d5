// Package storage persists routing configuration and the delivery audit log.
//
// Two drivers are provided: an embedded sqlite database for single-node
// deployments and postgres for shared setups. Both speak the same Store
// interface; Open picks the driver from config. Storage may also be disabled
// entirely, in which case the relay runs from its config file alone.
package storage
