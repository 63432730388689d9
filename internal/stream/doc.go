// Package stream implements streaming sessions against the desktop
// data proxy's websocket endpoint.
//
// A Session owns one websocket connection, the OMM login on it, and a
// table of open subscriptions keyed by correlation ID. Inbound frames
// are decoded on the network goroutine and handed to a single dispatch
// goroutine, which updates subscription state and invokes user
// callbacks in arrival order. Subscription, Price and PriceGroup build
// on the Session in increasing order of convenience.
package stream
