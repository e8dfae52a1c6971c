// Package gate is the UI policy of the bridge: it turns lifecycle events
// and command outcomes into the two affordances a front end shows, and
// notifies listeners synchronously whenever they change.
package gate
