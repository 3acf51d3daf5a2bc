// Package api holds the HTTP wire types and server configuration shared by the
// metadata server and its clients. The handler and client live in
// api/metadatahandler.
package api
