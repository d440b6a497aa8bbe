/*
Copyright © 2021 Tim Drysdale <timothy.d.drysdale@gmail.com>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/
package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var development bool
var logFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "session-client",
	Short: "Resilient session client for video and data over one websocket",
	Long: `session-client maintains a single websocket connection to a session
relay, multiplexing a live JPEG video feed, JSON control messages and
heartbeats. It reconnects with backoff, forever, which suits long-lived
kiosk deployments. Run it alongside a UI that consumes the local status API.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVar(&development, "dev", false, "development environment")
	rootCmd.PersistentFlags().StringVar(&logFile, "log", "", "log file (default is STDOUT)")

	if err := viper.BindPFlag("dev", rootCmd.PersistentFlags().Lookup("dev")); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("log", rootCmd.PersistentFlags().Lookup("log")); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// initConfig sets up logging from the persistent flags and environment.
func initConfig() {

	viper.SetEnvPrefix("session")
	viper.AutomaticEnv()

	if viper.GetBool("dev") {
		// development environment
		log.SetFormatter(&log.TextFormatter{})
		log.SetLevel(log.TraceLevel)
		log.SetOutput(os.Stdout)
		return
	}

	//production environment
	log.SetFormatter(&log.JSONFormatter{})

	name := viper.GetString("log")
	if name == "" {
		log.SetOutput(os.Stdout)
		return
	}

	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err == nil {
		log.SetOutput(file)
	} else {
		log.Info("Failed to log to file, using default stderr")
	}
}
