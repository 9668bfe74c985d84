package netsim

// routes.go computes the forwarding tables of a universe from shortest-path trees

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// The devices of a universe become nodes of a gonum graph, numbered by device id,
// with an edge of weight 1 for every link. A shortest path then minimizes hop count.
// For every leaf we compute the tree of shortest paths rooted there; by symmetry the
// path from any device to the leaf is the reverse of the tree's path to that device,
// so the next hop toward the leaf is the second-to-last node of that path.

// buildConnGraph returns the graph representation of the universe's links
func (u *Universe) buildConnGraph() graph.Graph {
	connGraph := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for _, node := range u.nodes {
		connGraph.AddNode(simple.Node(node.Number))
	}
	for _, lk := range u.links {
		edge := simple.WeightedEdge{F: simple.Node(lk.a.node.Number), T: simple.Node(lk.b.node.Number), W: 1.0}
		connGraph.SetWeightedEdge(edge)
	}
	return connGraph
}

// convertNodeSeq extracts the device ids from a sequence of graph nodes
func convertNodeSeq(nsQ []graph.Node) []int {
	rtn := make([]int, 0, len(nsQ))
	for _, node := range nsQ {
		rtn = append(rtn, int(node.ID()))
	}
	return rtn
}

// intrfcToward returns the interface of node whose link reaches the device with id nbrID
func (node *nodeStruct) intrfcToward(nbrID int) *intrfcStruct {
	for _, intrfc := range node.intrfcs {
		if intrfc.peer.node.Number == nbrID {
			return intrfc
		}
	}
	return nil
}

// computeRoutes fills in every device's forwarding entries for the addresses of the leaves
func (u *Universe) computeRoutes() error {
	connGraph := u.buildConnGraph()

	for _, leaf := range u.nodes {
		if leaf.DevType != EndptType {
			continue
		}
		spTree := path.DijkstraFrom(simple.Node(leaf.Number), connGraph)
		u.routes[leaf.Number] = spTree

		for _, node := range u.nodes {
			if node == leaf {
				continue
			}
			nodeSeq, _ := spTree.To(int64(node.Number))
			route := convertNodeSeq(nodeSeq)
			if len(route) < 2 {
				return fmt.Errorf("no route from %s to %s", node.Name, leaf.Name)
			}
			out := node.intrfcToward(route[len(route)-2])
			if out == nil {
				return fmt.Errorf("route from %s to %s leaves through no interface", node.Name, leaf.Name)
			}
			for _, intrfc := range leaf.intrfcs {
				node.fwd[intrfc.Addr] = out
			}
		}
	}
	return nil
}

// ShowPath returns the comma-separated names of the devices on the path
// from the device named src to the leaf named dst
func (u *Universe) ShowPath(src, dst string) (string, error) {
	srcNode, srcOK := u.nodeByName[src]
	dstNode, dstOK := u.nodeByName[dst]
	if !srcOK || !dstOK {
		return "", fmt.Errorf("path %s to %s names an unknown device", src, dst)
	}
	spTree, present := u.routes[dstNode.Number]
	if !present {
		return "", fmt.Errorf("%s is not a leaf", dst)
	}
	nodeSeq, _ := spTree.To(int64(srcNode.Number))
	if len(nodeSeq) == 0 {
		return "", fmt.Errorf("no path from %s to %s", src, dst)
	}

	// the tree is rooted at dst, so walk it backwards
	route := convertNodeSeq(nodeSeq)
	names := make([]string, 0, len(route))
	for idx := len(route) - 1; idx >= 0; idx-- {
		names = append(names, u.nodeByID[route[idx]].Name)
	}
	return strings.Join(names, ","), nil
}
