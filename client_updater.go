package pqm

// Contain the ClientUpdater object, which publishes JSON-encoded messages
// giving the latest PQM state.

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pebbe/zmq4"
	"github.com/spf13/viper"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// nosaveMessages names the tags whose state is not persisted to the config file.
var nosaveMessages = map[string]struct{}{
	"alive":   {},
	"summary": {},
	"capture": {},
}

// RunClientUpdater forwards any message from its input channel to the ZMQ publisher
// socket to publish any information that clients need to know. It also saves the
// last state of most tags in the viper config. It returns when messages is closed.
// If the socket cannot be opened, messages are still drained until closed so that
// senders never block, and the error is returned at the end.
func RunClientUpdater(messages <-chan ClientUpdate, portstatus int) error {
	pubSocket, err := openStatusSocket(portstatus)
	if err != nil {
		ProblemLogger.Printf("client updates will not be published: %v", err)
		for range messages {
		}
		return err
	}
	defer pubSocket.Close()

	for update := range messages {
		message, err := json.Marshal(update.state)
		if err != nil {
			ProblemLogger.Printf("could not marshal %s update: %v", update.tag, err)
			continue
		}
		if _, err := pubSocket.SendMessage(update.tag, message); err != nil {
			ProblemLogger.Printf("could not publish %s update: %v", update.tag, err)
		}
		if _, ok := nosaveMessages[strings.ToLower(update.tag)]; !ok {
			UpdateLogger.Printf("%s: %s", update.tag, message)
			saveState(update.tag, update.state)
		}
	}
	return nil
}

func openStatusSocket(portstatus int) (*zmq4.Socket, error) {
	pubSocket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, err
	}
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	if err := pubSocket.Bind(hostname); err != nil {
		pubSocket.Close()
		return nil, fmt.Errorf("could not bind client updater to %s: %w", hostname, err)
	}
	return pubSocket, nil
}

// saveState stores state under "status.<tag>" and writes the config file.
func saveState(tag string, state interface{}) {
	viper.Set("status."+strings.ToLower(tag), state)
	if viper.ConfigFileUsed() == "" {
		return
	}
	if err := viper.WriteConfig(); err != nil {
		ProblemLogger.Printf("could not save %s state to %s: %v", tag, viper.ConfigFileUsed(), err)
	}
}
