package entity

import (
	"fmt"
	"sync"

	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/sensors"
)

// topologyMutex serialises parent and membership changes across the whole tree
// so cycle checks and the mutation they guard are atomic
var topologyMutex sync.Mutex

// Parent returns the parent, or nil for a root
func (e *Entity) Parent() *Entity {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.parent
}

// Children returns the children in insertion order
func (e *Entity) Children() []*Entity {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.childrenLocked()
}

func (e *Entity) childrenLocked() []*Entity {
	list := make([]*Entity, len(e.children))
	copy(list, e.children)
	return list
}

// Ancestors returns the parent chain from the parent up to the root
func (e *Entity) Ancestors() []*Entity {
	list := make([]*Entity, 0)
	for p := e.Parent(); p != nil; p = p.Parent() {
		list = append(list, p)
	}
	return list
}

// Descendants returns every entity below e, depth first, parents before children
func (e *Entity) Descendants() []*Entity {
	list := make([]*Entity, 0)
	for _, child := range e.Children() {
		list = append(list, child)
		list = append(list, child.Descendants()...)
	}
	return list
}

// Root returns the topmost ancestor, or e itself
func (e *Entity) Root() *Entity {
	root := e
	for p := e.Parent(); p != nil; p = p.Parent() {
		root = p
	}
	return root
}

// IsAncestorOf reports whether e is a strict ancestor of other
func (e *Entity) IsAncestorOf(other *Entity) bool {
	for p := other.Parent(); p != nil; p = p.Parent() {
		if p == e {
			return true
		}
	}
	return false
}

// SetParent makes parent the parent of e. Setting the current parent again is
// a no-op; any other parent yields a reparent error, and a parent that is e or
// one of its descendants yields a cycle error. Nothing changes on error.
func (e *Entity) SetParent(parent *Entity) error {
	if parent == nil {
		e.ClearParent()
		return nil
	}

	topologyMutex.Lock()
	current := e.Parent()
	if current == parent {
		topologyMutex.Unlock()
		return nil
	}
	if current != nil {
		topologyMutex.Unlock()
		return errors.NewReparentError(
			fmt.Sprintf("cannot set parent of %s to %s: already a child of %s", e, parent, current), nil).
			WithContext("entity", e.id).
			WithContext("parent", current.id)
	}
	if parent == e || e.IsAncestorOf(parent) {
		topologyMutex.Unlock()
		return errors.NewCycleError(
			fmt.Sprintf("cannot set parent of %s to %s: it would create a cycle", e, parent), nil).
			WithContext("entity", e.id).
			WithContext("parent", parent.id)
	}

	e.mutex.Lock()
	e.parent = parent
	e.persistMetaLocked()
	e.mutex.Unlock()

	parent.mutex.Lock()
	parent.children = append(parent.children, e)
	parent.mutex.Unlock()
	topologyMutex.Unlock()

	e.refreshInheritedConfig()
	parent.Emit(sensors.ChildAdded, e.id)
	return nil
}

// ClearParent detaches e from its parent, if any
func (e *Entity) ClearParent() {
	if parent := e.Parent(); parent != nil {
		parent.RemoveChild(e)
	}
}

// AddChild is child.SetParent(e)
func (e *Entity) AddChild(child *Entity) error {
	return child.SetParent(e)
}

// RemoveChild detaches child and clears its parent; false when it was not a child
func (e *Entity) RemoveChild(child *Entity) bool {
	topologyMutex.Lock()
	e.mutex.Lock()
	index := -1
	for i, c := range e.children {
		if c == child {
			index = i
			break
		}
	}
	if index < 0 {
		e.mutex.Unlock()
		topologyMutex.Unlock()
		return false
	}
	e.children = append(e.children[:index], e.children[index+1:]...)
	e.mutex.Unlock()

	child.mutex.Lock()
	child.parent = nil
	child.persistMetaLocked()
	child.mutex.Unlock()
	topologyMutex.Unlock()

	child.refreshInheritedConfig()
	e.Emit(sensors.ChildRemoved, child.id)
	return true
}

// AddMember adds member to the group e; false when already a member
func (e *Entity) AddMember(member *Entity) (bool, error) {
	if !e.isGroup {
		return false, errors.NewValidationError(fmt.Sprintf("%s is not a group", e), nil)
	}

	topologyMutex.Lock()
	e.mutex.Lock()
	for _, m := range e.members {
		if m == member {
			e.mutex.Unlock()
			topologyMutex.Unlock()
			return false, nil
		}
	}
	e.members = append(e.members, member)
	size := len(e.members)
	e.mutex.Unlock()

	member.mutex.Lock()
	member.groups = append(member.groups, e)
	member.mutex.Unlock()
	topologyMutex.Unlock()

	e.SetAttribute(sensors.GroupSize, size)
	e.Emit(sensors.MemberAdded, member.id)
	return true, nil
}

// RemoveMember removes member from the group e; false when it was not a member
func (e *Entity) RemoveMember(member *Entity) bool {
	topologyMutex.Lock()
	e.mutex.Lock()
	index := -1
	for i, m := range e.members {
		if m == member {
			index = i
			break
		}
	}
	if index < 0 {
		e.mutex.Unlock()
		topologyMutex.Unlock()
		return false
	}
	e.members = append(e.members[:index], e.members[index+1:]...)
	size := len(e.members)
	e.mutex.Unlock()

	member.mutex.Lock()
	for i, g := range member.groups {
		if g == e {
			member.groups = append(member.groups[:i], member.groups[i+1:]...)
			break
		}
	}
	member.mutex.Unlock()
	topologyMutex.Unlock()

	e.SetAttribute(sensors.GroupSize, size)
	e.Emit(sensors.MemberRemoved, member.id)
	return true
}

// Members lists the group's members in insertion order
func (e *Entity) Members() []*Entity {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	list := make([]*Entity, len(e.members))
	copy(list, e.members)
	return list
}

// HasMember reports whether member belongs to the group e
func (e *Entity) HasMember(member *Entity) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for _, m := range e.members {
		if m == member {
			return true
		}
	}
	return false
}

// Groups lists the groups e is a member of
func (e *Entity) Groups() []*Entity {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	list := make([]*Entity, len(e.groups))
	copy(list, e.groups)
	return list
}
