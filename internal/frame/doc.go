// Package frame parses the ASCII telemetry frames emitted by the Zephirus UAV
// downlink into Record values.
//
// A frame is one newline-delimited line:
//
//	<ZEPH>,seq,timestamp,temperature,...,hum_status,rssi
//
// The packet sequence number directly after the marker is kept on the record
// when it parses, but is never part of the JSON form and never causes a
// rejection. Exactly FieldCount data fields must follow it; anything else is
// rejected as a whole.
package frame
