package detect

import (
	"fmt"

	"flowsentry/pkg/models"
)

// Class is the network classification of a flow.
type Class int

const (
	ClassNone Class = iota
	ClassRouter
	ClassLocal
	ClassForeign
)

// Classify places a flow by local-network membership of its endpoints.
// Router addresses take precedence and never count as local or foreign.
func Classify(env *Env, f models.FlowRecord) Class {
	if env.IsRouter(f.SrcIP) || env.IsRouter(f.DstIP) {
		return ClassRouter
	}
	srcLocal, dstLocal := env.IsLocal(f.SrcIP), env.IsLocal(f.DstIP)
	switch {
	case srcLocal && dstLocal:
		return ClassLocal
	case srcLocal || dstLocal:
		return ClassForeign
	}
	return ClassNone
}

type classDetector struct {
	name     string
	class    Class
	category string
}

func (d classDetector) Name() string { return d.name }

func (d classDetector) Evaluate(env *Env) ([]models.Finding, error) {
	var out []models.Finding
	dedup := seen{}
	for _, f := range env.Batch {
		if Classify(env, f) != d.class {
			continue
		}
		id := flowID(f, d.name)
		if !dedup.first(id) {
			continue
		}
		actor, peer := f.SrcIP, f.DstIP
		switch d.class {
		case ClassRouter:
			if env.IsRouter(actor) {
				actor, peer = peer, actor
			}
		case ClassForeign:
			if !env.IsLocal(actor) {
				actor, peer = peer, actor
			}
		}

		fd := finding(d.name, d.category, actor, f, id, fmt.Sprintf("%s: %s", d.category, describe(f)))
		fd.Enrichment1 = peer
		if d.class == ClassForeign {
			if e, ok := env.Tables.GeoOf(peer); ok {
				fd.Enrichment1 = peer + " (" + e.Country() + ")"
			}
			if e, ok := env.Tables.ASNOf(peer); ok {
				fd.Enrichment2 = e.Label
			}
		}
		out = append(out, fd)
	}
	return out, nil
}

// RouterFlows reports flows touching a router address.
func RouterFlows() Detector {
	return classDetector{name: "RouterFlowsDetection", class: ClassRouter, category: "Router flow detected"}
}

// LocalFlows reports flows between two local hosts.
func LocalFlows() Detector {
	return classDetector{name: "LocalFlowsDetection", class: ClassLocal, category: "Local flow detected"}
}

// ForeignFlows reports flows between a local host and a remote one.
func ForeignFlows() Detector {
	return classDetector{name: "ForeignFlowsDetection", class: ClassForeign, category: "Foreign flow detected"}
}
