// Package engine drives orders through their lifecycle: the transitioner is
// the only component that moves orders between state queues, the controller
// serves the user-facing operations, and one background processor per
// transient state polls its queue and advances orders.
package engine
