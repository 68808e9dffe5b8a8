// Command weather-ingest loads weather station data into a relational database.
package main

import "github.com/JakeFAU/weather-ingest/cmd"

func main() {
	cmd.Execute()
}
