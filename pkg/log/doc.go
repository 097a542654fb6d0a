/*
Package log provides structured logging for the volume and coordinator
daemons using zerolog.

Call Init once at process start with the desired level and output format,
then use the package-level Logger or one of the With* helpers to attach
component, volume, shard, or upload identifiers to a scoped child logger.
*/
package log
