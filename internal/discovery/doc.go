// Package discovery finds switches on the LAN and announces the API.
//
// Browser runs periodic mDNS queries and hands each new IPv4 host to the
// config flow manager as a discovery flow. Advertiser registers the HTTP API
// as a DNS-SD service so control clients can find it.
package discovery
