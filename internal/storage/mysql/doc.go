// Package mysql persists terminal sub-agent task records in MySQL so that
// usage accounting survives restarts and the retention window of the live
// task table.
package mysql
