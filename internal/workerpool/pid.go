package workerpool

import "os"

func processPID() int {
	return os.Getpid()
}
