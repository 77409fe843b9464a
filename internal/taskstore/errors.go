package taskstore

import "fmt"

func errTaskNotFound(id string) error  { return fmt.Errorf("task %s not found", id) }
func errAgentNotFound(id string) error { return fmt.Errorf("agent %s not found", id) }
