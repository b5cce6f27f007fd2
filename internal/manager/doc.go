// Package manager implements ClientManager: the process-wide registry
// mapping a client identifier (the leftmost DNS label of a tunnel's public
// hostname) to its Client, including identifier allocation, collision
// retry, and a global cap on simultaneous clients.
package manager
