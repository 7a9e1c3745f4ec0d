/*
Package events fans attempt-level phase transitions out to in-process
subscribers.

The local provider publishes a Transition for every observable event in
an attempt's history. The dsub and dstat wait loops do not subscribe;
they poll the provider. Delivery is best-effort: a subscriber with a
full buffer misses the transition.
*/
package events
