// Package influxdb records device link history to InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. Two measurements are
// written:
//
//	robot_link,address=<host:port>   connected=<bool>,state=<0|1>
//	robot_command,cmd=<name>         delivered=<bool>
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteLinkState(link.Address(), true)
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval. Asynchronous write failures are delivered to the
// SetOnError callback; connection and health check errors are returned
// directly.
package influxdb
