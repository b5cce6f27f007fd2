// Package client implements the Client type: a thin wrapper pairing one
// agent.Agent with an HTTP reverse-proxy function, bridging an inbound
// public HTTP request or protocol upgrade to the tunnel socket the agent
// hands back.
package client
