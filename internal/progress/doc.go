// Package progress tracks live status for every feature and worker of a
// distribution run. Updates to one feature are serialised; different features
// update independently. State can be persisted and restored through a Store.
package progress
