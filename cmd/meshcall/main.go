package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "meshcall",
	Short: "Full-mesh WebRTC rooms: signaling relay and headless participant",
	Long: `meshcall runs the two halves of a full-mesh WebRTC room.

"meshcall serve" starts the signaling relay that tracks room membership and
forwards SDP and ICE messages between participants. "meshcall join" connects
a headless participant that keeps one peer connection to every other member
of a room.

Configuration is read from flags, then MESHCALL_* environment variables
(a .env file in the working directory is loaded first), then defaults.`,
}

func main() {
	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	rootCmd.SilenceUsage = true
	rootCmd.AddCommand(serveCmd, joinCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Printf("[main] %v", err)
		os.Exit(1)
	}
}
